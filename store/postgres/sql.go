package postgres

// SQL statements live here so call sites don't format table names inline.
// The only dynamic part is the schema-qualified table name.

const operationColumns = `discriminator, id, schedule_id, started_at, args,
	state, waiting_until, retrying_at, retry_count, result, fail_reason, checkpoints`

const terminalStates = `(40, 50)`

func (t Tables) selectOperationSQL() string {
	return `SELECT ` + operationColumns + `
		FROM ` + t.Operations + `
		WHERE shard = $1 AND discriminator = $2 AND id = $3`
}

func (t Tables) selectOperationForUpdateSQL() string {
	return `SELECT state, waiting_until, retrying_at, retry_count, result, fail_reason, checkpoints
		FROM ` + t.Operations + `
		WHERE shard = $1 AND discriminator = $2 AND id = $3
		FOR UPDATE`
}

func (t Tables) insertOperationSQL() string {
	return `INSERT INTO ` + t.Operations + ` (shard, discriminator, id, schedule_id, started_at, args,
			state, waiting_until, retrying_at, retry_count, result, fail_reason, checkpoints)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (shard, discriminator, id) DO NOTHING`
}

func (t Tables) updateCheckpointsSQL() string {
	return `UPDATE ` + t.Operations + `
		SET checkpoints = $4, updated_at = now()
		WHERE shard = $1 AND discriminator = $2 AND id = $3`
}

// setStateSQL overwrites the state columns unless the stored state is
// terminal. Every CASE reads the pre-update row, and RETURNING yields the
// state stored afterwards.
func (t Tables) setStateSQL() string {
	return `UPDATE ` + t.Operations + `
		SET state         = CASE WHEN state IN ` + terminalStates + ` THEN state ELSE $4 END,
			waiting_until = CASE WHEN state IN ` + terminalStates + ` THEN waiting_until ELSE $5 END,
			retrying_at   = CASE WHEN state IN ` + terminalStates + ` THEN retrying_at ELSE $6 END,
			retry_count   = CASE WHEN state IN ` + terminalStates + ` THEN retry_count ELSE $7 END,
			result        = CASE WHEN state IN ` + terminalStates + ` THEN result ELSE $8 END,
			fail_reason   = CASE WHEN state IN ` + terminalStates + ` THEN fail_reason ELSE $9 END,
			updated_at    = now()
		WHERE shard = $1 AND discriminator = $2 AND id = $3
		RETURNING state, waiting_until, retrying_at, retry_count, result, fail_reason`
}

func (t Tables) setScheduleIDSQL() string {
	return `UPDATE ` + t.Operations + `
		SET schedule_id = COALESCE(schedule_id, $4), updated_at = now()
		WHERE shard = $1 AND discriminator = $2 AND id = $3
			AND state NOT IN ` + terminalStates + `
		RETURNING schedule_id`
}

func (t Tables) selectStateSQL() string {
	return `SELECT state FROM ` + t.Operations + ` WHERE shard = $1 AND discriminator = $2 AND id = $3`
}

func (t Tables) deleteOperationSQL() string {
	return `DELETE FROM ` + t.Operations + ` WHERE shard = $1 AND discriminator = $2 AND id = $3`
}

package pgqueue

// Statements over the schedules table. Rows are claimed with
// FOR UPDATE SKIP LOCKED so concurrent workers never poll the same delivery.

func insertScheduleSQL(table string) string {
	return `INSERT INTO ` + table + ` (schedule_id, discriminator, operation_id, due_at)
		VALUES ($1, $2, $3, now())`
}

// claimScheduleSQL leases the earliest due row for $1 milliseconds.
// A row whose lease expired is claimable again, so a crashed worker's
// deliveries are picked up by someone else.
func claimScheduleSQL(table string) string {
	return `UPDATE ` + table + `
		SET locked_until = now() + $1 * interval '1 millisecond'
		WHERE schedule_id = (
			SELECT schedule_id FROM ` + table + `
			WHERE due_at <= now()
				AND (locked_until IS NULL OR locked_until < now())
			ORDER BY due_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING schedule_id, discriminator, operation_id, attempts`
}

func rescheduleSQL(table string) string {
	return `UPDATE ` + table + `
		SET due_at = $2, locked_until = NULL
		WHERE schedule_id = $1`
}

func backoffScheduleSQL(table string) string {
	return `UPDATE ` + table + `
		SET due_at = now() + $2 * interval '1 millisecond',
			locked_until = NULL,
			attempts = attempts + 1
		WHERE schedule_id = $1`
}

func deleteScheduleSQL(table string) string {
	return `DELETE FROM ` + table + ` WHERE schedule_id = $1`
}

func countSchedulesSQL(table string) string {
	return `SELECT count(*) FROM ` + table
}

package main

import "github.com/nvcnvn/duops/internal/cli"

func main() {
	cli.Execute()
}

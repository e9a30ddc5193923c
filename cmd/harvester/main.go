// Package main is the harvester entrypoint.
//
// The binary is a cobra CLI; see internal/app for how services are wired from
// configuration. Run "harvester serve" for the API plus scheduled passes,
// "harvester pass" for a single pass, and "harvester migrate" before first
// use of a Postgres database.
package main

import "github.com/JakeFAU/wayback-harvester/cmd"

func main() {
	cmd.Execute()
}

// Command governor evaluates agent actions against policy and keeps a signed audit ledger.
package main

import "github.com/Sentinel-Gate/governor/cmd/governor/cmd"

func main() {
	cmd.Execute()
}

/*
CLI for dgxfer nodes
*/
package main

import "github.com/skycoin/dgxfer/cmd/dgxfer-cli/commands"

func main() {
	commands.Execute()
}

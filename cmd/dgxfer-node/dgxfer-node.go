/*
dgxfer node
*/
package main

import "github.com/skycoin/dgxfer/cmd/dgxfer-node/commands"

func main() {
	commands.Execute()
}

package main

import "github.com/tantodefi/bitchat/cli"

func main() {
	cli.Execute()
}

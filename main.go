package main

import "github.com/wormhole-foundation/wormhole/relayer/generic/cmd"

func main() {
	cmd.Execute()
}

package main

import "github.com/Trustflow-Network-Labs/settlement-node/internal/cmd"

func main() {
	cmd.Execute()
}

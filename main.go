package main

import "github.com/arcward/quotabot/cmd"

func main() {
	cmd.Execute()
}

package main

import (
	"github.com/shizukutanaka/Hibiki/cmd/hibiki/commands"
)

func main() {
	commands.Execute()
}

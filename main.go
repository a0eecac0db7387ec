package main

import "github.com/EcoEngineDev/PuddlesBot/cmd"

func main() {
	cmd.Execute()
}

package main

import "github.com/Doctor-One/doctor-dok/cli/cmd"

func main() {
	cmd.Execute()
}

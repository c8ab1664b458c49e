package main

import "github.com/ramibo/ws-conan-scanner/cmd"

func main() {
	cmd.Execute()
}

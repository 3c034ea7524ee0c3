package main

import "github.com/ValentinKolb/objrepo/cmd"

func main() {
	cmd.Execute()
}

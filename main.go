package main

import "github.com/sankurisyam/face-reco-student/cmd"

func main() {
	cmd.Execute()
}

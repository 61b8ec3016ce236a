package main

import "followup-mailer/cmd"

func main() {
	cmd.Execute()
}

package main

import "github.com/JakeFAU/crawlfleet/cmd"

func main() {
	cmd.Execute()
}

package main

import "github.com/drsoft-oss/proxypoolsvc/cmd"

func main() {
	cmd.Execute()
}

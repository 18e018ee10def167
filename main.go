package main

import (
	"github.com/gridaccess/permission-service/cmd"
)

func main() {
	cmd.Execute()
}

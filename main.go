package main

import (
	"fmt"

	"github.com/meshline/ds-gateway/cmd"
)

func main() {
	if err := cmd.Run(); err != nil {
		fmt.Println(err.Error())
		return
	}
}

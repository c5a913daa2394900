package main

import (
	"github.com/outofforest/coap/wire"
	"github.com/outofforest/proton"
)

//go:generate go run .
func main() {
	proton.Generate("../types.proton.go",
		proton.Message[wire.Frame](),
	)
}

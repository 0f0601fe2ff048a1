package main

import "github.com/kafdeck/kafdeck/cmd/kafdeck"

func main() {
	kafdeck.Main()
}

package main

import "github.com/lab5e/cachefunk/pkg/seed"

func main() {
	seed.Run()
}

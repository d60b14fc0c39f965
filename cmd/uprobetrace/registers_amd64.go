package main

// Registers carrying the first arguments of a call.
const (
	registerArg0 = "di"
	registerArg1 = "si"
)

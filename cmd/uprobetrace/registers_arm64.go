package main

// Registers carrying the first arguments of a call.
const (
	registerArg0 = "x0"
	registerArg1 = "x1"
)

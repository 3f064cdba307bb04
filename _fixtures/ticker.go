package main

import "time"

var counter int

//go:noinline
func tick(i int) {
	counter += i
}

func main() {
	for i := 0; ; i++ {
		tick(i)
		time.Sleep(5 * time.Millisecond)
	}
}

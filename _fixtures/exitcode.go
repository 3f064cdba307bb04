package main

import (
	"os"
	"time"
)

func main() {
	time.Sleep(20 * time.Millisecond)
	os.Exit(3)
}

// Package main is the entry point for the companion memory core's HTTP
// server.
package main

import (
	companionapp "github.com/rhao5556-beep/peiban-sub000/internal/companion/app"
)

func main() {
	companionapp.NewServerApp().Run()
}

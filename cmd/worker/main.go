// Package main is the entry point for the companion memory core's
// background worker (outbox drain, graph decay, silence decay).
package main

import (
	companionapp "github.com/rhao5556-beep/peiban-sub000/internal/companion/app"
)

func main() {
	companionapp.NewWorkerApp().Run()
}

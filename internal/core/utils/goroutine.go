package utils

import (
	"fmt"
	"log"
	"runtime/debug"
)

// SafeGo runs a function in a goroutine with panic recovery
func SafeGo(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[SafeGo] PANIC in %s: %v\n%s\n", name, r, debug.Stack())
			}
		}()
		fn()
	}()
}

// SafeCall invokes fn on the current goroutine and converts a panic into an error
func SafeCall(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[SafeCall] PANIC in %s: %v\n%s\n", name, r, debug.Stack())
			err = fmt.Errorf("panic in %s: %v", name, r)
		}
	}()
	return fn()
}

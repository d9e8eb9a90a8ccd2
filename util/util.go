package util

import (
	"reflect"
)

// ExhaustChan recieves from a chan until there is nothing left to recieve. c must be a chan.
// It returns the number of values that were discarded
func ExhaustChan(c interface{}) (count int) {
	ch := reflect.ValueOf(c)
	if ch.Kind() != reflect.Chan {
		Logger.Panicf("expected channel, received %v", ch.Kind())
	}
	for {
		_, ok := ch.TryRecv()
		if !ok {
			return
		}
		count++
	}
}

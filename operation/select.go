package operation

import "reflect"

// Source is one named contender of SelectFirst. Stop, when set, is invoked on
// every source that did not win.
type Source[T any] struct {
	Name string
	C    <-chan T
	Stop func()
}

// SelectFirst blocks until one of the sources delivers a value (or is closed)
// and returns its name and value. Exactly one source wins; the others are
// stopped.
func SelectFirst[T any](sources ...Source[T]) (string, T) {
	var zero T
	if len(sources) == 0 {
		return "", zero
	}
	cases := make([]reflect.SelectCase, len(sources))
	for i, s := range sources {
		cases[i] = reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(s.C)}
	}
	chosen, recv, ok := reflect.Select(cases)
	for i, s := range sources {
		if i != chosen && s.Stop != nil {
			s.Stop()
		}
	}
	if !ok {
		return sources[chosen].Name, zero
	}
	v, _ := recv.Interface().(T)
	return sources[chosen].Name, v
}

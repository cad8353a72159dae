package lock

import "time"

func afterSeconds(secs int) <-chan struct{} {
	ch := make(chan struct{}, 1)
	go func() {
		time.Sleep(time.Duration(secs) * time.Second)
		ch <- struct{}{}
	}()
	return ch
}

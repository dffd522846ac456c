package worker

import (
	"sync"
	"testing"
)

func TestUserLocksSerialisePerUser(t *testing.T) {
	l := newUserLocks()
	var mu sync.Mutex
	order := make([]int, 0, 20)
	inside := 0

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			unlock := l.Lock(1)
			defer unlock()
			mu.Lock()
			inside++
			if inside != 1 {
				t.Error("two goroutines inside the same user's section")
			}
			order = append(order, i)
			inside--
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	if len(order) != 20 {
		t.Errorf("critical section ran %d times", len(order))
	}
	if n := l.size(); n != 0 {
		t.Errorf("entries leaked: %d", n)
	}
}

func TestUserLocksIndependentUsers(t *testing.T) {
	l := newUserLocks()
	release1 := l.Lock(1)
	done := make(chan struct{})
	go func() {
		release2 := l.Lock(2)
		release2()
		close(done)
	}()
	<-done // user 2 must not wait on user 1's lock
	release1()

	if n := l.size(); n != 0 {
		t.Errorf("entries leaked: %d", n)
	}
}

// Copyright (C) The Hkgsel Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package hkgsel

import "sync"

// throttle bounds the number of concurrently running per-gene fits.
// Acquire before starting a goroutine, Release when it finishes, Wait
// for all of them.
type throttle struct {
	Max       int
	wg        sync.WaitGroup
	ch        chan bool
	setupOnce sync.Once
}

func (t *throttle) Acquire() {
	t.setupOnce.Do(func() { t.ch = make(chan bool, t.Max) })
	t.wg.Add(1)
	t.ch <- true
}

func (t *throttle) Release() {
	t.wg.Done()
	<-t.ch
}

func (t *throttle) Wait() {
	t.wg.Wait()
}

package engine

import (
	"time"

	"github.com/kreutix/offerbook/pkg/offer"
	"github.com/kreutix/offerbook/pkg/types"
	"go.uber.org/zap"
)

// jitter returns a random delay in [i*window, (i+1)*window)
func (e *Engine) jitter(i int, window time.Duration) time.Duration {
	return time.Duration(i)*window + time.Duration(e.rng.Int63n(int64(window)))
}

// afterInPass schedules f as part of the current republish or refresh pass.
// Pass timers are canceled together when scheduling stops.
func (e *Engine) afterInPass(d time.Duration, f func()) {
	id := e.nextPassTimer
	e.nextPassTimer++
	e.passTimers[id] = e.after(d, func() {
		delete(e.passTimers, id)
		f()
	})
}

// publish sends oo to the directory. reply, if set, gets the result.
func (e *Engine) publish(oo *offer.OpenOffer, reply func(error)) {
	id := oo.ID()
	e.deps.Directory.Publish(oo.Offer().Payload(), func(err error) {
		e.post(func() {
			if err != nil {
				e.logger.Warn("Failed to publish offer",
					zap.String("offerID", id),
					zap.Error(err))
				e.scheduleRetry()
			} else {
				oo.Offer().SetState(types.OfferAvailable)
				e.markPublished()
			}
			if reply != nil {
				reply(err)
			}
		})
	})
}

// markPublished starts TTL refreshing after the first successful publish
func (e *Engine) markPublished() {
	e.anyPublished = true
	if !e.stopped && e.refreshTimer == nil {
		e.startRefreshTimer()
	}
}

// republishAll publishes every active offer, staggered by the republish
// jitter.
func (e *Engine) republishAll() {
	if e.stopped {
		return
	}
	var n int
	for _, oo := range e.openOffers {
		if oo.IsDeactivated() {
			continue
		}
		oo := oo
		e.afterInPass(e.jitter(n, e.config.RepublishJitter), func() {
			if e.stopped {
				return
			}
			if cur, ok := e.find(oo.ID()); !ok || cur != oo || oo.IsDeactivated() {
				return
			}
			e.publish(oo, nil)
		})
		n++
	}
	if n > 0 {
		e.logger.Info("Republishing offers", zap.Int("offerCount", n))
	}
}

// refreshAll extends the TTL of every active offer, staggered by the
// refresh jitter.
func (e *Engine) refreshAll() {
	if e.stopped {
		return
	}
	var n int
	for _, oo := range e.openOffers {
		if oo.IsDeactivated() {
			continue
		}
		oo := oo
		e.afterInPass(e.jitter(n, e.config.RefreshJitter), func() {
			if e.stopped {
				return
			}
			if cur, ok := e.find(oo.ID()); !ok || cur != oo || oo.IsDeactivated() {
				return
			}
			e.refresh(oo)
		})
		n++
	}
	e.logger.Debug("Refreshing offers", zap.Int("offerCount", n))
}

func (e *Engine) refresh(oo *offer.OpenOffer) {
	id := oo.ID()
	e.deps.Directory.RefreshTTL(oo.Offer().Payload(), func(err error) {
		if err == nil {
			return
		}
		e.post(func() {
			e.logger.Warn("Failed to refresh offer",
				zap.String("offerID", id),
				zap.Error(err))
			e.scheduleRetry()
		})
	})
}

// scheduleRetry retries the whole republish pass once after the retry delay
func (e *Engine) scheduleRetry() {
	if e.stopped || e.retryTimer != nil {
		return
	}
	e.retryTimer = e.after(e.config.RetryDelay, func() {
		e.retryTimer = nil
		if e.stopped {
			return
		}
		e.republishAll()
	})
}

func (e *Engine) startRepublishTimer() {
	if e.republishTimer != nil {
		return
	}
	var tick func()
	tick = func() {
		e.republishTimer = nil
		if e.stopped {
			return
		}
		e.republishAll()
		e.republishTimer = e.after(e.config.RepublishInterval, tick)
	}
	e.republishTimer = e.after(e.config.RepublishInterval, tick)
}

func (e *Engine) startRefreshTimer() {
	if e.refreshTimer != nil {
		return
	}
	var tick func()
	tick = func() {
		e.refreshTimer = nil
		if e.stopped {
			return
		}
		e.refreshAll()
		e.refreshTimer = e.after(e.config.RefreshInterval, tick)
	}
	e.refreshTimer = e.after(e.config.RefreshInterval, tick)
}

// stopTimers cancels every scheduling timer. Reservation timers are owned
// by the offers and keep running.
func (e *Engine) stopTimers() {
	for _, cancel := range []*func(){&e.republishTimer, &e.refreshTimer, &e.retryTimer, &e.catchUpTimer, &e.fundingTimer} {
		if *cancel != nil {
			(*cancel)()
			*cancel = nil
		}
	}
	for id, cancel := range e.passTimers {
		cancel()
		delete(e.passTimers, id)
	}
}

// startScheduling republishes everything and arms the periodic timers
func (e *Engine) startScheduling() {
	e.republishAll()
	e.startRepublishTimer()
	if e.anyPublished {
		e.startRefreshTimer()
	}
}

func (e *Engine) onBootstrapped() {
	if e.stopped || e.shutdown {
		return
	}
	e.logger.Info("Directory bootstrapped, publishing open offers", zap.Int("offerCount", len(e.openOffers)))
	e.startScheduling()
	if e.catchUpTimer == nil {
		e.catchUpTimer = e.after(e.config.BootstrapCatchUp, func() {
			e.catchUpTimer = nil
			e.republishAll()
		})
	}
}

// OnConnectivityChanged halts scheduling when the node lost all peers and
// resumes it with a fresh republish pass once it is connected again.
func (e *Engine) OnConnectivityChanged(connected bool) {
	e.post(func() {
		if e.shutdown {
			return
		}
		if !connected {
			if e.stopped {
				return
			}
			e.stopped = true
			e.stopTimers()
			e.logger.Warn("Lost all network connections, offer scheduling stopped")
			return
		}
		if !e.stopped {
			return
		}
		e.stopped = false
		e.logger.Info("Network connectivity restored, resuming offer scheduling")
		if e.deps.Directory.IsBootstrapped() {
			e.startScheduling()
		}
	})
}

// Shutdown unpublishes every active offer and stops the loop. done runs
// once the removals had time to propagate: immediately when nothing was
// published, otherwise after a delay proportional to the offer count.
func (e *Engine) Shutdown(done func()) {
	ok := e.post(func() {
		e.shutdown = true
		e.stopped = true
		e.stopTimers()

		var n int
		for _, oo := range e.openOffers {
			oo.StopTimers()
			if oo.IsDeactivated() {
				continue
			}
			e.deps.Directory.Remove(oo.Offer().Payload(), nil)
			n++
		}
		e.persist()
		e.quitOnce.Do(func() { close(e.quit) })

		if done == nil {
			return
		}
		if n == 0 {
			go done()
			return
		}
		wait := e.config.ShutdownBaseDelay + time.Duration(n)*e.config.ShutdownPerOfferDelay
		e.logger.Info("Unpublished offers for shutdown",
			zap.Int("offerCount", n),
			zap.Duration("wait", wait))
		e.clock.AfterFunc(wait, done)
	})
	if !ok && done != nil {
		go done()
	}
}

package admin

import "debugproxy/transaction"

// tailBroker fans out completed transactions to any number of subscribed
// log-stream clients. Slow subscribers are dropped rather than allowed to
// block the proxy's forwarding path.
type tailBroker struct {
	subscribe_   chan chan chan transaction.Transaction
	unsubscribe_ chan chan transaction.Transaction
	publish_     chan transaction.Transaction
}

func newTailBroker() *tailBroker {
	b := &tailBroker{
		subscribe_:   make(chan chan chan transaction.Transaction),
		unsubscribe_: make(chan chan transaction.Transaction),
		publish_:     make(chan transaction.Transaction, 64),
	}
	go b.run()
	return b
}

func (b *tailBroker) run() {
	subscribers := map[chan transaction.Transaction]bool{}
	for {
		select {
		case reply := <-b.subscribe_:
			ch := make(chan transaction.Transaction, 16)
			subscribers[ch] = true
			reply <- ch
		case ch := <-b.unsubscribe_:
			if subscribers[ch] {
				delete(subscribers, ch)
				close(ch)
			}
		case txn := <-b.publish_:
			for ch := range subscribers {
				select {
				case ch <- txn:
				default:
					// Subscriber isn't keeping up; drop it rather than
					// stall the broker.
					delete(subscribers, ch)
					close(ch)
				}
			}
		}
	}
}

func (b *tailBroker) publish(txn transaction.Transaction) {
	select {
	case b.publish_ <- txn:
	default:
	}
}

// subscribe registers a new listener and returns its channel along with a
// cancel function that unregisters it and closes the channel.
func (b *tailBroker) subscribe() (chan transaction.Transaction, func()) {
	reply := make(chan chan transaction.Transaction)
	b.subscribe_ <- reply
	ch := <-reply
	return ch, func() { b.unsubscribe_ <- ch }
}

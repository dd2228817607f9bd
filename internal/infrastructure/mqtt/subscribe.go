package mqtt

import "fmt"

// Subscribe routes messages matching filter (+ and # allowed) to handler.
// Subscribing to the same filter again replaces its handler. The route is
// replayed after reconnects until Unsubscribe.
func (c *Client) Subscribe(filter string, qos byte, handler MessageHandler) error {
	if err := checkTopic(filter, qos); err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("%w: %s: nil handler", ErrSubscribeFailed, filter)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.mu.Lock()
	c.routes[filter] = route{qos: qos, handler: handler}
	c.mu.Unlock()

	if err := settle(c.paho.Subscribe(filter, qos, c.deliver(handler))); err != nil {
		c.drop(filter)
		return fmt.Errorf("%w: %s: %w", ErrSubscribeFailed, filter, err)
	}
	return nil
}

// Unsubscribe removes the route for filter. Messages already dispatched
// may still reach the old handler.
func (c *Client) Unsubscribe(filter string) error {
	if filter == "" {
		return ErrInvalidTopic
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.drop(filter)
	if err := settle(c.paho.Unsubscribe(filter)); err != nil {
		return fmt.Errorf("%w: unsubscribe %s: %w", ErrSubscribeFailed, filter, err)
	}
	return nil
}

func (c *Client) drop(filter string) {
	c.mu.Lock()
	delete(c.routes, filter)
	c.mu.Unlock()
}

// SubscriptionCount returns how many filters are routed.
func (c *Client) SubscriptionCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.routes)
}

// HasSubscription reports whether filter, compared literally, is routed.
func (c *Client) HasSubscription(filter string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.routes[filter]
	return ok
}

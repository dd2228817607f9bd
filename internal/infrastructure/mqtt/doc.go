// Package mqtt provides MQTT connectivity for the automation engine.
//
// The broker is the engine's only link to the devices it drives. Bridges
// publish entity state and action progress, the engine publishes commands
// and mirrors its own lifecycle events:
//
//	bridges → graylogic/state/{domain}/{object}   → state feed
//	bridges → graylogic/rasc/{domain}/{object}    → action scheduler
//	bridges → graylogic/ack/{domain}/{object}     → capability invoker
//	engine  → graylogic/command/{domain}/{object} → bridges
//	engine  → graylogic/automation/event/{type}   → dashboards
//
// The Client reconnects with backoff and replays its subscriptions. A
// retained presence message on graylogic/system/status reads "online"
// while the engine is up; the Last Will flips it to "offline" if the
// process dies without Close.
//
// For single-box installs and tests, NewBroker runs an in-process broker.
//
// # Usage
//
//	client, err := mqtt.Connect(ctx, cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllStates(), 1,
//	    func(topic string, payload []byte) error {
//	        return feed.HandleMessage(topic, payload)
//	    })
package mqtt

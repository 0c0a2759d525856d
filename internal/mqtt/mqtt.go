package mqtt

import (
	MQTT "github.com/eclipse/paho.mqtt.golang"
)

// NewClient initializes and returns a connected MQTT client.
func NewClient(broker, clientID string) (MQTT.Client, error) {
	opts := MQTT.NewClientOptions().AddBroker(broker).SetClientID(clientID).SetAutoReconnect(true)
	c := MQTT.NewClient(opts)
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	return c, nil
}

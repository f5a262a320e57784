package mqtt

import "fmt"

// Topic suffixes fixed by the Fleet Protocol.
const (
	moduleGatewaySuffix  = "module_gateway"
	externalServerSuffix = "external_server"
)

// SubscribeTopic returns the inbound topic of a car: frames published
// by the car's module gateway.
func SubscribeTopic(company, car string) string {
	return fmt.Sprintf("%s/%s/%s", company, car, moduleGatewaySuffix)
}

// PublishTopic returns the outbound topic of a car: frames published
// by the external server.
func PublishTopic(company, car string) string {
	return fmt.Sprintf("%s/%s/%s", company, car, externalServerSuffix)
}

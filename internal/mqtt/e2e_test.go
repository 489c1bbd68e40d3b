//go:build e2e

package mqtt

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/shaunagostinho/obd-dash/internal/obd"
)

// startBroker runs a throwaway Mosquitto and returns its host and port.
func startBroker(t *testing.T) (string, int) {
	t.Helper()
	ctx := context.Background()

	req := tc.ContainerRequest{
		Image:        "eclipse-mosquitto:1.6",
		ExposedPorts: []string{"1883/tcp"},
		WaitingFor:   wait.ForListeningPort("1883/tcp").WithStartupTimeout(30 * time.Second),
	}
	c, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("start mosquitto container: %v", err)
	}
	t.Cleanup(func() {
		_ = c.Terminate(ctx)
	})

	host, err := c.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := c.MappedPort(ctx, "1883/tcp")
	if err != nil {
		t.Fatalf("mapped port: %v", err)
	}
	return host, port.Int()
}

func TestE2E_EmulatedSessionReachesBroker(t *testing.T) {
	host, port := startBroker(t)

	got := make(chan Telemetry, 1)
	sub := paho.NewClient(paho.NewClientOptions().
		AddBroker("tcp://" + host + ":" + strconv.Itoa(port)).
		SetClientID("obd-e2e-sub"))
	if tok := sub.Connect(); !tok.WaitTimeout(10*time.Second) || tok.Error() != nil {
		t.Fatalf("subscriber connect: %v", tok.Error())
	}
	defer sub.Disconnect(100)
	tok := sub.Subscribe("obd/+/telemetry", 1, func(_ paho.Client, m paho.Message) {
		var tel Telemetry
		if err := json.Unmarshal(m.Payload(), &tel); err == nil {
			select {
			case got <- tel:
			default:
			}
		}
	})
	if !tok.WaitTimeout(5*time.Second) || tok.Error() != nil {
		t.Fatalf("subscribe: %v", tok.Error())
	}

	pub := NewPublisher(Config{Broker: host, Port: port, ClientID: "obd-e2e-pub"}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := pub.Connect(ctx); err != nil {
		t.Fatalf("publisher connect: %v", err)
	}
	defer pub.Close()

	cfg := obd.DefaultConfig()
	cfg.ResetSettle = 10 * time.Millisecond
	cfg.CommandPause = 0
	session := obd.NewSession(obd.SessionOptions{Config: cfg, Dialer: obd.EmulatorDialer{}})
	go pub.Run(ctx, session)
	session.Connect(obd.EmulatedDevice)
	defer session.Disconnect()

	select {
	case tel := <-got:
		if tel.Device != obd.EmulatedDevice.Name || tel.RPM == nil {
			t.Fatalf("telemetry = %+v", tel)
		}
	case <-ctx.Done():
		t.Fatalf("no telemetry received from broker")
	}
}

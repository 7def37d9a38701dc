package server

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/quicsock/quicsock/message"
	"github.com/quicsock/quicsock/metrics"
)

// Push engine cadences.
const (
	heartbeatInterval    = 30 * time.Second
	statusInterval       = 60 * time.Second
	notificationInterval = 90 * time.Second
	sensorInterval       = 15 * time.Second
	monitoringInterval   = 20 * time.Second
	stockInterval        = 5 * time.Second
)

// notifications is the rotation the notification engine cycles through.
var notifications = []struct {
	topic   string
	content string
}{
	{"system", "📢 Welcome to QUIC WebSocket Server!"},
	{"tips", "⚡ Enjoying the low-latency experience?"},
	{"tech", "🚀 QUIC protocol provides 0-RTT connection establishment"},
	{"security", "🔒 All connections are secured with TLS 1.3"},
	{"performance", "🌐 Multiplexed streams for better performance"},
	{"news", "📰 Server is running smoothly with active connections"},
}

// every runs tick on the given cadence until ctx is cancelled. Tick failures
// do not exist by construction; zero recipients is benign.
func (s *Server) every(ctx context.Context, interval time.Duration, tick func()) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			tick()
		}
	}
}

func (s *Server) heartbeatLoop(ctx context.Context) error {
	return s.every(ctx, heartbeatInterval, func() {
		frame := message.New(message.Ping{Timestamp: message.Now()})
		sent := s.registry.Broadcast(frame)
		if sent > 0 {
			s.log.Info().Int("recipients", sent).Msg("Sent heartbeat")
		}
	})
}

func (s *Server) statusLoop(ctx context.Context) error {
	return s.every(ctx, statusInterval, func() {
		frame := message.New(message.Text{
			Content:   fmt.Sprintf("🔔 Server Status: %s - %d active connections", s.cfg.ServerName, s.registry.Count()),
			Timestamp: message.Now(),
		})
		sent := s.registry.Broadcast(frame)
		if sent > 0 {
			s.log.Info().Int("recipients", sent).Msg("Sent server status")
		}
	})
}

func (s *Server) notificationLoop(ctx context.Context) error {
	index := 0
	return s.every(ctx, notificationInterval, func() {
		n := notifications[index%len(notifications)]
		index++
		sent := s.push(n.topic, n.content)
		if sent > 0 {
			s.log.Info().
				Str("topic", n.topic).
				Int("recipients", sent).
				Msg("Pushed notification")
		}
	})
}

func (s *Server) sensorLoop(ctx context.Context) error {
	counter := 0
	return s.every(ctx, sensorInterval, func() {
		payload, err := json.Marshal(map[string]interface{}{
			"temperature": 20.0 + math.Mod(float64(counter)*0.1, 10.0),
			"humidity":    45.0 + math.Mod(float64(counter)*0.2, 20.0),
			"pressure":    1013.25 + math.Mod(float64(counter)*0.05, 5.0),
			"timestamp":   message.Now(),
		})
		counter++
		if err != nil {
			return
		}
		sent := s.push("sensors", "🌡️ Sensor Data: "+string(payload))
		if sent > 0 {
			s.log.Debug().Int("recipients", sent).Msg("Pushed sensor data")
		}
	})
}

func (s *Server) monitoringLoop(ctx context.Context) error {
	counter := 0
	return s.every(ctx, monitoringInterval, func() {
		payload, err := json.Marshal(map[string]interface{}{
			"cpu_usage":          float64(counter % 100),
			"memory_usage":       30.0 + math.Mod(float64(counter)*0.3, 40.0),
			"disk_usage":         25.0 + math.Mod(float64(counter)*0.1, 15.0),
			"network_io":         counter % 1000,
			"active_connections": s.registry.Count(),
			"timestamp":          message.Now(),
		})
		counter++
		if err != nil {
			return
		}
		sent := s.push("monitoring", "📊 System Monitor: "+string(payload))
		if sent > 0 {
			s.log.Debug().Int("recipients", sent).Msg("Pushed monitoring data")
		}
	})
}

func (s *Server) stockLoop(ctx context.Context) error {
	symbols := []string{"AAPL", "GOOGL", "MSFT", "TSLA", "AMZN"}
	prices := []float64{150.0, 2800.0, 300.0, 800.0, 3200.0}
	return s.every(ctx, stockInterval, func() {
		quotes := make([]map[string]string, 0, len(symbols))
		for i := range prices {
			// ±5 random walk, floored so a price never goes negative.
			prices[i] = math.Max(prices[i]+(rand.Float64()-0.5)*10.0, 1.0)
			quotes = append(quotes, map[string]string{
				"symbol": symbols[i],
				"price":  fmt.Sprintf("%.2f", prices[i]),
				"change": fmt.Sprintf("%+.2f", (rand.Float64()-0.5)*5.0),
			})
		}
		payload, err := json.Marshal(map[string]interface{}{
			"stocks":    quotes,
			"timestamp": message.Now(),
		})
		if err != nil {
			return
		}
		sent := s.push("stocks", "📈 Stock Prices: "+string(payload))
		if sent > 0 {
			s.log.Debug().Int("recipients", sent).Msg("Pushed stock data")
		}
	})
}

func (s *Server) push(topic, content string) int {
	frame := message.New(message.ServerPush{
		Topic:     topic,
		Content:   content,
		Timestamp: message.Now(),
	})
	sent := s.registry.PushToSubscribers(topic, frame)
	if sent > 0 {
		metrics.PushesTotal.WithLabelValues(topic).Add(float64(sent))
	}
	return sent
}

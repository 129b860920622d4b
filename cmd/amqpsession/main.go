// Command amqpsession publishes, consumes or makes direct reply-to calls
// over a single AMQP session.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/israelio/simpleamqp/internal/config"
	"github.com/israelio/simpleamqp/internal/logging"
	"github.com/israelio/simpleamqp/rabbitmq"
)

func main() {
	configPath := flag.String("config", "", "TOML config file")
	mode := flag.String("mode", "publish", "publish, consume or call")
	exchange := flag.String("exchange", "", "exchange to publish to")
	key := flag.String("key", "", "routing key, or the queue to consume from")
	body := flag.String("body", "", "message body")
	mandatory := flag.Bool("mandatory", true, "ask the broker to return unroutable messages")
	timeout := flag.Duration("timeout", 5*time.Second, "wait for a reply or delivery")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "amqpsession: %v\n", err)
			os.Exit(1)
		}
	}
	logger := logging.NewStderr("amqpsession", cfg.Log)

	if cfg.Metrics.Addr != "" {
		go serveMetrics(logger, cfg.Metrics.Addr)
	}

	opts, err := cfg.OpenOpts()
	if err != nil {
		log.Fatal().Err(err).Msg("resolve broker")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	s, err := rabbitmq.Open(ctx, opts,
		rabbitmq.WithLogger(logger),
		rabbitmq.WithRegisterer(prometheus.DefaultRegisterer),
		rabbitmq.WithConsumePrefetch(cfg.Prefetch),
	)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("open session")
	}
	defer s.Close()

	switch *mode {
	case "publish":
		err = publish(s, *exchange, *key, *body, *mandatory)
	case "consume":
		err = consume(s, *key, *timeout)
	case "call":
		err = call(s, *exchange, *key, *body, *timeout)
	default:
		err = fmt.Errorf("unknown mode %q", *mode)
	}
	if err != nil {
		log.Fatal().Err(err).Str("mode", *mode).Msg("failed")
	}
}

func serveMetrics(logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info().Str("addr", addr).Msg("serving metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error().Err(err).Msg("metrics server stopped")
	}
}

func publish(s *rabbitmq.Session, exchange, key, body string, mandatory bool) error {
	msg := &rabbitmq.Message{
		Properties: rabbitmq.Properties{ContentType: "text/plain", Timestamp: time.Now()},
		Body:       []byte(body),
	}
	err := s.BasicPublish(exchange, key, msg, mandatory)

	var returned *rabbitmq.MessageReturnedError
	if errors.As(err, &returned) {
		log.Warn().
			Uint16("reply_code", returned.ReplyCode).
			Str("reply_text", returned.ReplyText).
			Msg("message returned")
		return nil
	}
	if err != nil {
		return err
	}
	log.Info().Str("exchange", exchange).Str("key", key).Msg("published and confirmed")
	return nil
}

// consume prints deliveries until interrupted. timeout bounds each wait so
// an interrupt is noticed.
func consume(s *rabbitmq.Session, queue string, timeout time.Duration) error {
	tag, err := s.BasicConsume(queue, rabbitmq.ConsumeOptions{})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	for ctx.Err() == nil {
		env, ok, err := s.BasicConsumeMessage([]string{tag}, timeout)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		log.Info().
			Str("exchange", env.Exchange).
			Str("routing_key", env.RoutingKey).
			Uint64("delivery_tag", env.DeliveryTag).
			Str("body", string(env.Message.Body)).
			Msg("delivery")
		if err := s.BasicAck(env, false); err != nil {
			return err
		}
	}
	return s.BasicCancel(tag)
}

func call(s *rabbitmq.Session, exchange, key, body string, timeout time.Duration) error {
	reply, ok, err := s.Call(exchange, key, rabbitmq.NewMessage([]byte(body)), timeout)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no reply within %s", timeout)
	}
	log.Info().
		Str("correlation_id", reply.Message.CorrelationID).
		Str("body", string(reply.Message.Body)).
		Msg("reply")
	return nil
}

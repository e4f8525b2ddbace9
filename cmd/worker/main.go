// cmd/worker/main.go

// The worker drains the campaign event queue into the delivery_log
// audit table. Sends themselves happen inside the server's paced
// dispatch loops; this process only archives their outcomes.
package main

import (
	"encoding/json"

	"github.com/streadway/amqp"

	"github.com/waveline/campaign-engine/internal/config"
	"github.com/waveline/campaign-engine/internal/db"
	"github.com/waveline/campaign-engine/internal/events"
	"github.com/waveline/campaign-engine/internal/model"
	"github.com/waveline/campaign-engine/internal/repository"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := config.NewLogger("info")
		bootLog.Fatal().Err(err).Msg("failed to load configuration")
	}
	log := config.NewLogger(cfg.LogLevel)

	if cfg.AMQPURL == "" {
		log.Fatal().Msg("AMQP_URL must be set for the worker")
	}

	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer conn.Close()

	logRepo := &repository.DeliveryLogRepository{DB: conn}

	mq, err := amqp.Dial(cfg.AMQPURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to RabbitMQ")
	}
	defer mq.Close()

	ch, err := mq.Channel()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open channel")
	}
	defer ch.Close()

	q, err := events.DeclareQueue(ch)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to declare queue")
	}

	msgs, err := ch.Consume(
		q.Name,
		"",
		false, // manual ack for reliability
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to register consumer")
	}

	log.Info().Str("queue", q.Name).Msg("worker running, waiting for events")

	for d := range msgs {
		var ev model.CampaignEvent
		if err := json.Unmarshal(d.Body, &ev); err != nil {
			// Malformed payloads can never succeed; drop them.
			log.Warn().Err(err).Msg("dropping malformed event")
			d.Ack(false)
			continue
		}

		if err := logRepo.Insert(ev); err != nil {
			log.Error().Err(err).Str("event", ev.ID).Msg("failed to archive event")
			if d.Redelivered {
				d.Nack(false, false)
			} else {
				d.Nack(false, true) // one requeue attempt
			}
			continue
		}
		d.Ack(false)
	}
}

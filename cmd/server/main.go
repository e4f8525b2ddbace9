// cmd/server/main.go
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/waveline/campaign-engine/internal/config"
	"github.com/waveline/campaign-engine/internal/controller"
	"github.com/waveline/campaign-engine/internal/db"
	"github.com/waveline/campaign-engine/internal/dispatch"
	"github.com/waveline/campaign-engine/internal/events"
	"github.com/waveline/campaign-engine/internal/repository"
	"github.com/waveline/campaign-engine/internal/scheduler"
	"github.com/waveline/campaign-engine/internal/sendport"
	"github.com/waveline/campaign-engine/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := config.NewLogger("info")
		bootLog.Fatal().Err(err).Msg("failed to load configuration")
	}
	log := config.NewLogger(cfg.LogLevel)

	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer conn.Close()

	var publisher events.Publisher = events.NewBus()
	if cfg.AMQPURL != "" {
		amqpPub, err := events.NewAMQPPublisher(cfg.AMQPURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to RabbitMQ")
		}
		defer amqpPub.Close()
		publisher = amqpPub
	}

	campaignRepo := &repository.CampaignRepository{DB: conn}
	contactRepo := &repository.ContactRepository{DB: conn}
	queueRepo := &repository.CampaignContactRepository{DB: conn}

	// TODO: swap MockSender for the real provider adapter once the
	// transport integration lands.
	sender := &sendport.MockSender{}

	manager := dispatch.NewManager(campaignRepo, queueRepo, sender, publisher, log,
		cfg.MaxSendAttempts, cfg.InboxRatePerMinute)

	campaignService := &service.CampaignService{
		Campaigns: campaignRepo,
		Contacts:  contactRepo,
		Queue:     queueRepo,
		Dispatch:  manager,
		Events:    publisher,
		Log:       log,
	}

	if n, err := campaignService.RecoverRunning(); err != nil {
		log.Error().Err(err).Msg("failed to recover running campaigns")
	} else if n > 0 {
		log.Info().Int("campaigns", n).Msg("recovered running campaigns")
	}

	sched := scheduler.New(campaignRepo, campaignService, log)
	if err := sched.Run(); err != nil {
		log.Fatal().Err(err).Msg("failed to start scheduler")
	}

	campaignController := &controller.CampaignController{
		CampaignService: campaignService,
		Log:             log,
	}

	r := chi.NewRouter()
	campaignController.Routes(r)

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: r}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("server running")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	sched.Stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("dispatcher shutdown timed out")
	}
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/dentalops/clinicsched/libs/config"
	"github.com/dentalops/clinicsched/libs/db"
	"github.com/dentalops/clinicsched/libs/eventx"
	"github.com/dentalops/clinicsched/libs/httpx"
	"github.com/dentalops/clinicsched/libs/kafkax"
	otelx "github.com/dentalops/clinicsched/libs/otel"
	"github.com/dentalops/clinicsched/libs/runtime"
	"github.com/dentalops/clinicsched/services/notification-service/internal/contacts"
	"github.com/dentalops/clinicsched/services/notification-service/internal/email"
	"github.com/dentalops/clinicsched/services/notification-service/internal/handlers"
	"github.com/dentalops/clinicsched/services/notification-service/internal/message"
	"github.com/dentalops/clinicsched/services/notification-service/internal/sms"
	"github.com/dentalops/clinicsched/services/notification-service/internal/storage"
)

type appointmentEvent struct {
	AppointmentID string `json:"appointment_id"`
	PatientID     string `json:"patient_id"`
	ServiceType   string `json:"service_type"`
	ScheduledAt   string `json:"scheduled_at"`
}

func main() {
	service := config.String("SERVICE_NAME", "notification-service")
	port, err := config.Port("PORT", "8085")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}

	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	inboxRepo := eventx.NewInboxRepository(pool)
	contactsRepo := contacts.NewRepository(pool)
	notificationsRepo := storage.NewRepository(pool)
	outboxRepo := eventx.NewOutboxRepository(pool)

	brokers := config.String("KAFKA_BROKERS", "")
	outboxPublisher := eventx.NewPublisher(pool, outboxRepo, logger, eventx.PublisherConfig{
		Brokers:   brokers,
		PollEvery: 2 * time.Second,
		BatchSize: 50,
	})
	go outboxPublisher.Run(ctx)

	clinicName := config.String("CLINIC_NAME", "")
	emailSender := email.NewSMTPSender(
		config.String("SMTP_HOST", "mailpit"),
		config.String("SMTP_PORT", "1025"),
		config.String("SMTP_FROM", "no-reply@clinicsched.local"),
		config.String("SMTP_USERNAME", ""),
		config.String("SMTP_PASSWORD", ""),
	)

	var smsSender sms.Sender
	switch strings.ToLower(config.String("SMS_PROVIDER", "noop")) {
	case "webhook":
		smsSender = sms.NewWebhookSender(config.String("SMS_WEBHOOK_URL", ""), config.String("SMS_WEBHOOK_TOKEN", ""))
	default:
		smsSender = sms.NewNoopSender()
	}

	deliver := func(ctx context.Context, evt appointmentEvent, kind string) error {
		scheduledAt, err := time.Parse(time.RFC3339, evt.ScheduledAt)
		if err != nil {
			logger.Error("invalid scheduled_at", "err", err, "appointment_id", evt.AppointmentID)
			return nil
		}

		contact, err := contactsRepo.Get(ctx, evt.PatientID)
		if err != nil {
			if errors.Is(err, contacts.ErrNotFound) {
				logger.Warn("no contact on file, skipping notice", "patient_id", evt.PatientID, "kind", kind)
				return nil
			}
			return err
		}
		channel, recipient, err := contact.Recipient()
		if err != nil {
			logger.Warn("contact unreachable, skipping notice", "patient_id", evt.PatientID, "err", err)
			return nil
		}

		var notice message.Notice
		switch kind {
		case message.KindCancellation:
			notice = message.Cancellation(clinicName, evt.ServiceType, scheduledAt)
		default:
			notice = message.Reminder(clinicName, evt.ServiceType, scheduledAt)
		}

		var sendErr error
		switch channel {
		case contacts.ChannelEmail:
			sendErr = emailSender.Send(recipient, notice.Subject, notice.Body)
		case contacts.ChannelSMS:
			sendErr = smsSender.Send(ctx, recipient, notice.Body)
		}
		if sendErr != nil {
			logger.Error("delivery failed", "err", sendErr, "channel", channel, "recipient", recipient)
		}

		status := "sent"
		reason := ""
		if sendErr != nil {
			status = "failed"
			reason = sendErr.Error()
		}
		if err := notificationsRepo.Insert(ctx, storage.Notification{
			AppointmentID: evt.AppointmentID,
			PatientID:     evt.PatientID,
			Kind:          kind,
			Channel:       channel,
			Recipient:     recipient,
			Body:          notice.Body,
			Status:        status,
			FailureReason: reason,
		}); err != nil {
			logger.Error("failed to persist notification", "err", err)
			return err
		}

		eventType := "notification.sent.v1"
		if sendErr != nil {
			eventType = "notification.failed.v1"
		}
		payload, err := json.Marshal(map[string]any{
			"appointment_id": evt.AppointmentID,
			"patient_id":     evt.PatientID,
			"kind":           kind,
			"channel":        channel,
			"error_reason":   reason,
			"occurred_at":    time.Now().UTC().Format(time.RFC3339),
		})
		if err != nil {
			return err
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()
		if err := outboxRepo.Insert(ctx, tx, eventx.Event{
			AggregateType: "notification",
			AggregateID:   evt.AppointmentID,
			EventType:     eventType,
			Payload:       payload,
		}); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}

		logger.Info("notice processed", "appointment_id", evt.AppointmentID, "kind", kind, "channel", channel, "status", status)
		return nil
	}

	groupID := config.String("KAFKA_GROUP_ID", "notification-service")
	startConsumer := func(topic string, handler eventx.Handler) {
		if strings.TrimSpace(topic) == "" {
			return
		}
		c := eventx.NewConsumer(logger, inboxRepo, eventx.ConsumerConfig{
			Brokers: brokers,
			GroupID: groupID,
			Topic:   topic,
		}, handler)
		go c.Run(ctx)
	}

	parseEvent := func(msg kafka.Message) (appointmentEvent, bool) {
		var evt appointmentEvent
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			logger.Error("invalid event payload", "err", err, "topic", msg.Topic)
			return evt, false
		}
		if evt.AppointmentID == "" || evt.PatientID == "" || evt.ScheduledAt == "" {
			logger.Error("missing required event fields", "topic", msg.Topic)
			return evt, false
		}
		return evt, true
	}

	startConsumer(config.String("KAFKA_REMINDER_TOPIC", "reminder.due.v1"), func(ctx context.Context, msg kafka.Message) error {
		evt, ok := parseEvent(msg)
		if !ok {
			return nil
		}
		return deliver(ctx, evt, message.KindReminder)
	})
	startConsumer(config.String("KAFKA_CANCELLED_TOPIC", "appointment.cancelled.v1"), func(ctx context.Context, msg kafka.Message) error {
		evt, ok := parseEvent(msg)
		if !ok {
			return nil
		}
		return deliver(ctx, evt, message.KindCancellation)
	})
	startConsumer(config.String("KAFKA_CONTACTS_TOPIC", "patient.contact.updated.v1"), func(ctx context.Context, msg kafka.Message) error {
		var payload struct {
			PatientID        string `json:"patient_id"`
			Email            string `json:"email"`
			Phone            string `json:"phone"`
			PreferredChannel string `json:"preferred_channel"`
		}
		if err := json.Unmarshal(msg.Value, &payload); err != nil {
			logger.Error("invalid contact payload", "err", err)
			return nil
		}
		if payload.PatientID == "" {
			logger.Error("missing patient_id in contact event")
			return nil
		}
		if payload.PreferredChannel == "" {
			payload.PreferredChannel = contacts.ChannelEmail
		}
		return contactsRepo.Upsert(ctx, contacts.Contact{
			PatientID:        payload.PatientID,
			Email:            payload.Email,
			Phone:            payload.Phone,
			PreferredChannel: payload.PreferredChannel,
		})
	})

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)},
	)
	handlers.NewContactHandler(contactsRepo, logger).Register(mux)
	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
	)
	handler = otelhttp.NewHandler(handler, "notification")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}

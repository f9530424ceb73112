package api

import (
	"time"

	"brokerrelay/internal/engine"
	"brokerrelay/internal/persistence"
	"brokerrelay/internal/processor"
	"brokerrelay/internal/webhook"
)

type businessHoursDTO struct {
	StartHour int `json:"startHour"`
	EndHour   int `json:"endHour"`
}

func (b businessHoursDTO) toProcessor() processor.BusinessHours {
	return processor.BusinessHours{StartHour: b.StartHour, EndHour: b.EndHour}
}

// ConsumeRequest is the body of POST /consume.
type ConsumeRequest struct {
	Queue         string            `json:"queue" binding:"required"`
	Webhook       string            `json:"webhook" binding:"required"`
	MinInterval   int               `json:"minInterval"`
	MaxInterval   int               `json:"maxInterval"`
	BusinessHours *businessHoursDTO `json:"businessHours"`
}

// QueueRequest is the body of POST /pause, /resume and /stop.
type QueueRequest struct {
	Queue string `json:"queue" binding:"required"`
}

type queueInfoResponse struct {
	Name                string      `json:"name"`
	WebhookURL          string      `json:"webhookUrl"`
	MinIntervalMS       int         `json:"minIntervalMs"`
	MaxIntervalMS       int         `json:"maxIntervalMs"`
	BusinessHours       businessHoursDTO `json:"businessHours"`
	Paused              bool        `json:"paused"`
	ConsumerTag         string      `json:"consumerTag"`
	CreatedAt           time.Time   `json:"createdAt"`
	MessageCount        int64       `json:"messageCount"`
	LastPayload         interface{} `json:"lastPayload,omitempty"`
	State               string      `json:"state"`
	EstimatedCompletion time.Time   `json:"estimatedCompletion"`
}

func infoResponse(info engine.Info) queueInfoResponse {
	return queueInfoResponse{
		Name:                info.Name,
		WebhookURL:          info.WebhookURL,
		MinIntervalMS:       info.MinIntervalMS,
		MaxIntervalMS:       info.MaxIntervalMS,
		BusinessHours:       businessHoursDTO{StartHour: info.BusinessHours.StartHour, EndHour: info.BusinessHours.EndHour},
		Paused:              info.Paused,
		ConsumerTag:         info.ConsumerTag,
		CreatedAt:           info.CreatedAt,
		MessageCount:        info.MessageCount,
		LastPayload:         info.LastPayload,
		State:               string(info.State),
		EstimatedCompletion: info.EstimatedCompletion(),
	}
}

type queueInspectionResponse struct {
	MessageCount  int                 `json:"messageCount"`
	ConsumerCount int                 `json:"consumerCount"`
	IsActive      bool                `json:"isActive"`
	Config        *queueInfoResponse  `json:"config,omitempty"`
}

func inspectionResponse(qi engine.QueueInspection) queueInspectionResponse {
	out := queueInspectionResponse{
		MessageCount:  qi.MessageCount,
		ConsumerCount: qi.ConsumerCount,
		IsActive:      qi.IsActive,
	}
	if qi.Config != nil {
		cfg := infoResponse(*qi.Config)
		out.Config = &cfg
	}
	return out
}

// QueuesInfoRequest is the body of POST /queues-info.
type QueuesInfoRequest struct {
	Queues []string `json:"queues" binding:"required"`
}

// WebhookTestRequest is the body of POST /webhook/test.
type WebhookTestRequest struct {
	URL            string `json:"url" binding:"required"`
	TimeoutSeconds int    `json:"timeout"`
}

type webhookTestResponse struct {
	OK         bool   `json:"ok"`
	StatusCode int    `json:"statusCode"`
	ElapsedMS  int64  `json:"elapsedMs"`
	Error      string `json:"error,omitempty"`
}

func webhookTestResult(ok bool, status int, elapsed time.Duration, err error) webhookTestResponse {
	resp := webhookTestResponse{OK: ok, StatusCode: status, ElapsedMS: elapsed.Milliseconds()}
	if err != nil {
		resp.Error = err.Error()
	}
	return resp
}

// BackupRequest is the body of POST /backup-configs.
type BackupRequest struct {
	Path string `json:"path"`
}

// RestoreBackupRequest is the body of POST /restore-backup.
type RestoreBackupRequest struct {
	BackupPath string `json:"backupPath" binding:"required"`
}

type persistedQueuesResponse struct {
	Persisted map[string]persistence.QueueConfig `json:"persisted"`
	Stats     persistence.Stats                  `json:"stats"`
}

type restoreQueuesResponse struct {
	Restored []string `json:"restored"`
	Failed   []string `json:"failed"`
	Skipped  []string `json:"skipped"`
	Removed  []string `json:"removed"`
}

func restoreResponse(r engine.RestoreResult) restoreQueuesResponse {
	return restoreQueuesResponse{
		Restored: orEmpty(r.Restored),
		Failed:   orEmpty(r.Failed),
		Skipped:  orEmpty(r.Skipped),
		Removed:  orEmpty(r.Removed),
	}
}

func orEmpty(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}

type senderStatsResponse = webhook.Stats

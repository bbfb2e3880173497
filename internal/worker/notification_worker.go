package worker

import (
	"github.com/supportdesk/case-service/internal/service"
)

// StartNotificationWorker registers audit and metrics handlers for committed case events.
func StartNotificationWorker(notificationService *service.NotificationService) {
	if notificationService == nil {
		return
	}
	notificationService.RegisterHandlers()
}

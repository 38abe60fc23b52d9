package cloudformation

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// NotificationKind tags queue deliveries carrying a notification.
const NotificationKind = "cloudformation-notification"

// Request types of a custom resource notification.
const (
	RequestCreate = "Create"
	RequestUpdate = "Update"
	RequestDelete = "Delete"
)

// Response statuses.
const (
	StatusSuccess = "SUCCESS"
	StatusFailed  = "FAILED"
)

// Notification is a custom resource lifecycle request.
type Notification struct {
	RequestType        string             `json:"RequestType"`
	ResponseURL        string             `json:"ResponseURL"`
	RequestID          string             `json:"RequestId"`
	LogicalResourceID  string             `json:"LogicalResourceId"`
	StackID            string             `json:"StackId"`
	PhysicalResourceID string             `json:"PhysicalResourceId,omitempty"`
	ResourceProperties ResourceProperties `json:"ResourceProperties"`
}

// ResourceProperties are the properties of the access role resource.
type ResourceProperties struct {
	WorkspaceID string `json:"WorkspaceId" validate:"required"`
	ExternalID  string `json:"ExternalId" validate:"required"`
	RoleName    string `json:"RoleName" validate:"required"`
	StackID     string `json:"StackId" validate:"required,stackarn"`
}

// Response is the document PUT to the notification's ResponseURL.
type Response struct {
	Status             string            `json:"Status" validate:"required,oneof=SUCCESS FAILED"`
	Reason             string            `json:"Reason,omitempty"`
	LogicalResourceID  string            `json:"LogicalResourceId" validate:"required"`
	PhysicalResourceID string            `json:"PhysicalResourceId" validate:"required"`
	StackID            string            `json:"StackId" validate:"required"`
	RequestID          string            `json:"RequestId" validate:"required"`
	Data               map[string]string `json:"Data,omitempty"`
}

func init() {
	validate.RegisterValidation("stackarn", func(fl validator.FieldLevel) bool {
		_, err := accountFromStackARN(fl.Field().String())
		return err == nil
	})
}

// accountFromStackARN returns the AWS account id of a stack ARN of the form
// arn:aws:cloudformation:<region>:<account>:stack/<name>/<id>.
func accountFromStackARN(arn string) (string, error) {
	parts := strings.Split(arn, ":")
	if len(parts) != 6 || parts[0] != "arn" || parts[1] != "aws" || parts[2] != "cloudformation" || parts[4] == "" {
		return "", fmt.Errorf("malformed stack arn %q", arn)
	}
	return parts[4], nil
}

// response builds the callback answering n. It fails when n lacks the fields
// every callback must echo.
func (n Notification) response(status, physicalID, reason string) (Response, error) {
	if n.ResponseURL == "" {
		return Response{}, fmt.Errorf("notification %s without ResponseURL", n.RequestID)
	}
	resp := Response{
		Status:             status,
		Reason:             reason,
		LogicalResourceID:  n.LogicalResourceID,
		PhysicalResourceID: physicalID,
		StackID:            n.StackID,
		RequestID:          n.RequestID,
	}
	if err := validate.Struct(resp); err != nil {
		return Response{}, fmt.Errorf("build callback: %w", err)
	}
	return resp, nil
}

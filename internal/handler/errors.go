package handler

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"geoattend/internal/attendance"
)

var statusByCode = map[string]int{
	attendance.CodeValidation:         http.StatusBadRequest,
	attendance.CodeMalformedToken:     http.StatusUnprocessableEntity,
	attendance.CodeSignatureMismatch:  http.StatusUnprocessableEntity,
	attendance.CodeOutsideCampus:      http.StatusUnprocessableEntity,
	attendance.CodeAlreadyScanned:     http.StatusUnprocessableEntity,
	attendance.CodeTokenExpired:       http.StatusGone,
	attendance.CodeSessionNotFound:    http.StatusNotFound,
	attendance.CodeForbidden:          http.StatusForbidden,
	attendance.CodeTimeout:            http.StatusGatewayTimeout,
	attendance.CodePersistenceFailure: http.StatusInternalServerError,
}

// fail writes err as {"error", "code"} with the status of its code.
func fail(c *gin.Context, err error) {
	code := attendance.Code(err)
	status, ok := statusByCode[code]
	if !ok {
		status = http.StatusInternalServerError
	}

	body := gin.H{"error": err.Error(), "code": code}
	var verr *attendance.ValidationError
	if errors.As(err, &verr) {
		body["fields"] = verr.Fields
	}
	if status >= http.StatusInternalServerError {
		log.Printf("%s %s: %v", c.Request.Method, c.FullPath(), err)
		body["error"] = http.StatusText(status)
	}
	c.AbortWithStatusJSON(status, body)
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": attendance.CodeValidation})
}

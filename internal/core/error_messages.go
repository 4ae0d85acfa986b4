package core

// error_messages.go maps engine errors to user messages with support codes.
//
// Codes are grouped by category:
//
//	DB001-DB007     storage constraints and connectivity
//	IMP001-IMP006   entity names, import readiness and record contents
//	FILE001-FILE003 source and backup files
//	MED001-MED004   media retrieval
//	OP001           operation limiter
//	ERR000          fallback, check the logs for the technical error
//
// Sentinel errors are matched first with errors.Is. Remaining errors are
// matched case-insensitively against message fragments, first match wins.

import (
	"errors"
	"fmt"
	"strings"

	"github.com/JonMunkholm/reconcile/internal/media"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string `json:"message"`
	Action  string `json:"action"`
	Code    string `json:"code"`
}

type sentinelMessage struct {
	err error
	msg UserMessage
}

var sentinelMessages = []sentinelMessage{
	{ErrUnknownEntity, UserMessage{
		Message: "Unknown entity",
		Action:  "Check the entity name against the schema",
		Code:    "IMP001",
	}},
	{ErrImportNotReady, UserMessage{
		Message: "Some entities reference data that is neither stored nor part of the import",
		Action:  "Load the missing entities first or run the import with force",
		Code:    "IMP002",
	}},
	{ErrSourceNotFound, UserMessage{
		Message: "Source file not found",
		Action:  "Check the data directory and the entity file name",
		Code:    "FILE001",
	}},
	{ErrInvalidSource, UserMessage{
		Message: "Source file is not a JSON array of records",
		Action:  "Fix the file syntax and try again",
		Code:    "FILE002",
	}},
	{media.ErrTooLarge, UserMessage{
		Message: "Media file exceeds the size limit",
		Action:  "Use a smaller file or raise the media size limit",
		Code:    "MED001",
	}},
	{media.ErrUnsupportedType, UserMessage{
		Message: "Media type is not accepted for this field",
		Action:  "Check the content type the URL serves",
		Code:    "MED002",
	}},
	{media.ErrNotFound, UserMessage{
		Message: "Media asset not found",
		Action:  "Check the asset id stored on the row",
		Code:    "MED004",
	}},
	{ErrOperationBusy, UserMessage{
		Message: "Another operation is running",
		Action:  "Please wait a moment and try again",
		Code:    "OP001",
	}},
}

type errorPattern struct {
	pattern string
	msg     UserMessage
}

// errorPatterns holds message fragments, specific before general.
var errorPatterns = []errorPattern{
	// =========================================================================
	// Storage constraints (DB001-DB003)
	// =========================================================================
	{
		pattern: "duplicate key",
		msg: UserMessage{
			Message: "A record with this key already exists",
			Action:  "Use merge or skip_conflicts mode, or remove the duplicate",
			Code:    "DB001",
		},
	},
	{
		pattern: "unique constraint",
		msg: UserMessage{
			Message: "This value must be unique but already exists",
			Action:  "Check for duplicate entries in the source file",
			Code:    "DB002",
		},
	},
	{
		pattern: "foreign key constraint",
		msg: UserMessage{
			Message: "Rows of another entity still reference this data",
			Action:  "Clear the dependent entities first or use clearAll",
			Code:    "DB003",
		},
	},
	{
		pattern: "violates foreign key",
		msg: UserMessage{
			Message: "Rows of another entity still reference this data",
			Action:  "Clear the dependent entities first or use clearAll",
			Code:    "DB003",
		},
	},

	// =========================================================================
	// Connectivity (DB004-DB007)
	// =========================================================================
	{
		pattern: "connection refused",
		msg: UserMessage{
			Message: "Unable to connect to database",
			Action:  "Please try again in a few moments",
			Code:    "DB004",
		},
	},
	{
		pattern: "connection reset",
		msg: UserMessage{
			Message: "Database connection was interrupted",
			Action:  "Please try again",
			Code:    "DB005",
		},
	},
	{
		pattern: "database is locked",
		msg: UserMessage{
			Message: "Database was busy with conflicting operations",
			Action:  "Please try again",
			Code:    "DB007",
		},
	},
	{
		pattern: "deadlock",
		msg: UserMessage{
			Message: "Database was busy with conflicting operations",
			Action:  "Please try again",
			Code:    "DB007",
		},
	},

	// =========================================================================
	// Record contents (IMP003-IMP006)
	// =========================================================================
	{
		pattern: "invalid date",
		msg: UserMessage{
			Message: "Invalid date format detected",
			Action:  "Use YYYY-MM-DD",
			Code:    "IMP003",
		},
	},
	{
		pattern: "invalid number",
		msg: UserMessage{
			Message: "Invalid number format detected",
			Action:  "Remove currency symbols and use standard decimal format",
			Code:    "IMP004",
		},
	},
	{
		pattern: "required field",
		msg: UserMessage{
			Message: "Required field is empty",
			Action:  "Fill the field or load in quality mode",
			Code:    "IMP005",
		},
	},
	{
		pattern: "invalid mode",
		msg: UserMessage{
			Message: "Unknown load mode",
			Action:  "Use replace, merge or skip_conflicts",
			Code:    "IMP006",
		},
	},

	// =========================================================================
	// Files (FILE003)
	// =========================================================================
	{
		pattern: "backup dir",
		msg: UserMessage{
			Message: "Backup directory is not writable",
			Action:  "Check the backup directory permissions",
			Code:    "FILE003",
		},
	},

	// =========================================================================
	// Media (MED003)
	// =========================================================================
	{
		pattern: "fetch media",
		msg: UserMessage{
			Message: "Media URL could not be retrieved",
			Action:  "Check that the URL is reachable",
			Code:    "MED003",
		},
	},

	// =========================================================================
	// Timeouts (DB006)
	// =========================================================================
	{
		pattern: "context deadline exceeded",
		msg: UserMessage{
			Message: "Operation timed out",
			Action:  "Load fewer entities at once or try again later",
			Code:    "DB006",
		},
	},
	{
		pattern: "timeout",
		msg: UserMessage{
			Message: "Operation timed out",
			Action:  "Load fewer entities at once or try again later",
			Code:    "DB006",
		},
	},
}

var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts an error to a user-friendly message. A nil error maps
// to the zero UserMessage; an unknown error maps to ERR000.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}
	for _, sm := range sentinelMessages {
		if errors.Is(err, sm.err) {
			return sm.msg
		}
	}
	var fe *media.FetchError
	if errors.As(err, &fe) {
		return UserMessage{
			Message: fmt.Sprintf("Media URL returned status %d", fe.Status),
			Action:  "Check that the URL is reachable",
			Code:    "MED003",
		}
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}
	return defaultMessage
}

// FormatUserError renders err as "Message (Code: XXX). Action".
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err maps to a specific message rather than ERR000.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}

package protocol

import (
	"strings"

	"github.com/GriffinCanCode/AgentOS/webhost/internal/shared/id"
)

func idOf(s string) id.ContextID { return id.ContextID(s) }

func toLower(s string) string { return strings.ToLower(s) }

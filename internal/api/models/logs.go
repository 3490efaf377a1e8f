package models

import "github.com/smazurov/sideband/internal/logging"

type LogsRequest struct {
	Limit int `query:"limit" default:"100" minimum:"0" maximum:"500" doc:"Most recent entries to return; 0 returns all"`
}

type LogsData struct {
	Entries []logging.Entry `json:"entries" doc:"Buffered log entries, oldest first"`
	Count   int             `json:"count" doc:"Number of entries"`
}

type LogsResponse struct {
	Body LogsData
}

type LogLevelsResponse struct {
	Body struct {
		Levels map[string]string `json:"levels" doc:"Effective level per module"`
	}
}

type LogLevelRequest struct {
	Body struct {
		Module string `json:"module,omitempty" example:"provider" doc:"Module to change; empty changes the global level"`
		Level  string `json:"level" enum:"debug,info,warn,error" example:"debug" doc:"New level"`
	}
}

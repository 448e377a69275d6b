package errors

// 通用错误码。
const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
)

// 调用链路上的错误分类。
const (
	CodeNetwork               Code = "NETWORK_ERROR"
	CodeAPI                   Code = "API_ERROR"
	CodeResponseParse         Code = "RESPONSE_PARSE_ERROR"
	CodeToolExecution         Code = "TOOL_EXECUTION_ERROR"
	CodeUnsupportedCapability Code = "UNSUPPORTED_CAPABILITY"
	CodeMaxRetriesExceeded    Code = "MAX_RETRIES_EXCEEDED"
	CodeMaxTurnsExceeded      Code = "MAX_TURNS_EXCEEDED"
	CodeTimeout               Code = "TIMEOUT"
)

// builtin 是内置错误码的默认属性。API_ERROR 的可重试性由具体状态码在实例上覆盖。
var builtin = map[Code]Attributes{
	CodeUnknown:               {Message: "unknown error", Severity: SeverityCritical, Alert: true},
	CodeInvalidArgument:       {Message: "invalid argument", Severity: SeverityInfo},
	CodeNotFound:              {Message: "resource not found", Severity: SeverityInfo},
	CodeConflict:              {Message: "resource conflict", Severity: SeverityWarning},
	CodeInitializationFailure: {Message: "service not initialized", Severity: SeverityWarning, Retryable: true, Alert: true},
	CodeStorageFailure:        {Message: "storage failure", Severity: SeverityCritical, Retryable: true, Alert: true},
	CodeQueueFailure:          {Message: "queue failure", Severity: SeverityCritical, Retryable: true, Alert: true},

	CodeNetwork:               {Message: "network error", Severity: SeverityWarning, Retryable: true},
	CodeAPI:                   {Message: "provider api error", Severity: SeverityWarning},
	CodeResponseParse:         {Message: "response parse error", Severity: SeverityWarning},
	CodeToolExecution:         {Message: "tool execution failed", Severity: SeverityInfo},
	CodeUnsupportedCapability: {Message: "unsupported capability", Severity: SeverityInfo},
	CodeMaxRetriesExceeded:    {Message: "max retries exceeded", Severity: SeverityWarning, Alert: true},
	CodeMaxTurnsExceeded:      {Message: "max turns exceeded", Severity: SeverityWarning},
	CodeTimeout:               {Message: "operation timed out", Severity: SeverityWarning, Retryable: true},
}

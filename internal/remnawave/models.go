package remnawave

type CreateUserRequest struct {
	Username             string   `json:"username"`
	Status               string   `json:"status"`
	TrafficLimitBytes    int64    `json:"trafficLimitBytes"`
	TrafficLimitStrategy string   `json:"trafficLimitStrategy"`
	ExpireAt             string   `json:"expireAt"` // ISO 8601
	Description          string   `json:"description,omitempty"`
	ActiveInternalSquads []string `json:"activeInternalSquads,omitempty"`
}

type UserResponse struct {
	UUID             string `json:"uuid"`
	ShortUUID        string `json:"shortUuid"`
	Username         string `json:"username"`
	Status           string `json:"status"`
	SubscriptionURL  string `json:"subscriptionUrl"`
	UsedTrafficBytes int64  `json:"usedTrafficBytes"`
}

// APIResponse wraps every panel reply.
type APIResponse struct {
	Response UserResponse `json:"response"`
}

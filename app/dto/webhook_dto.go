package dto

import "encoding/json"

// EvolutionWebhook is the envelope of every provider callback
type EvolutionWebhook struct {
	Event       string          `json:"event"`
	Instance    string          `json:"instance"`
	InstanceID  string          `json:"instanceId"`
	Data        json.RawMessage `json:"data"`
	DateTime    string          `json:"date_time,omitempty"`
	ServerURL   string          `json:"server_url,omitempty"`
	Destination string          `json:"destination,omitempty"`
}

// EvolutionQRCodeData is the data of qrcode.update
type EvolutionQRCodeData struct {
	QRCode struct {
		Base64      string `json:"base64"`
		Code        string `json:"code"`
		PairingCode string `json:"pairingCode,omitempty"`
	} `json:"qrcode"`
}

// EvolutionConnectionData is the data of connection.update
type EvolutionConnectionData struct {
	State             string `json:"state"`
	StatusReason      int    `json:"statusReason,omitempty"`
	WUID              string `json:"wuid,omitempty"`
	ProfileName       string `json:"profileName,omitempty"`
	ProfilePictureURL string `json:"profilePictureUrl,omitempty"`
}

type EvolutionMessageKey struct {
	RemoteJID string `json:"remoteJid"`
	FromMe    bool   `json:"fromMe"`
	ID        string `json:"id"`
}

type EvolutionTextMessage struct {
	Text string `json:"text"`
}

type EvolutionMediaMessage struct {
	URL      string `json:"url"`
	Caption  string `json:"caption,omitempty"`
	Mimetype string `json:"mimetype,omitempty"`
	FileName string `json:"fileName,omitempty"`
}

// EvolutionMessageContent holds the one populated variant of an inbound message
type EvolutionMessageContent struct {
	Conversation        string                 `json:"conversation,omitempty"`
	ExtendedTextMessage *EvolutionTextMessage  `json:"extendedTextMessage,omitempty"`
	ImageMessage        *EvolutionMediaMessage `json:"imageMessage,omitempty"`
	DocumentMessage     *EvolutionMediaMessage `json:"documentMessage,omitempty"`
	AudioMessage        *EvolutionMediaMessage `json:"audioMessage,omitempty"`
	VideoMessage        *EvolutionMediaMessage `json:"videoMessage,omitempty"`
}

// EvolutionMessageData is the data of messages.upsert
type EvolutionMessageData struct {
	Key              EvolutionMessageKey     `json:"key"`
	PushName         string                  `json:"pushName,omitempty"`
	MessageType      string                  `json:"messageType,omitempty"`
	Message          EvolutionMessageContent `json:"message"`
	MessageTimestamp json.Number             `json:"messageTimestamp,omitempty"`
}

package api

import (
	"time"

	"groupchat/internal/domain/model"
	"groupchat/internal/usecase"
)

// Client frame types.
const (
	frameSend    = "send"
	frameRetry   = "retry"
	frameDiscard = "discard"
	frameReload  = "reload"
)

// Server frame types.
const (
	frameSnapshot = "snapshot"
	frameError    = "error"
)

type clientFrame struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	LocalID string `json:"local_id,omitempty"`
}

type snapshotMsg struct {
	Type         string    `json:"type"`
	Items        []itemDTO `json:"items"`
	HistoryError string    `json:"history_error,omitempty"`
}

// errorMsg answers a rejected client frame.
type errorMsg struct {
	Type    string `json:"type"`
	Request string `json:"request"`
	LocalID string `json:"local_id,omitempty"`
	Error   string `json:"error"`
}

type avatarDTO struct {
	Kind   string `json:"kind"`
	URI    string `json:"uri,omitempty"`
	Index  *int   `json:"index,omitempty"`
	Letter string `json:"letter,omitempty"`
}

type authorDTO struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Placeholder bool      `json:"placeholder,omitempty"`
	Avatar      avatarDTO `json:"avatar"`
}

type itemDTO struct {
	MessageID string    `json:"message_id,omitempty"`
	LocalID   string    `json:"local_id,omitempty"`
	SenderID  string    `json:"sender_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Mine      bool      `json:"mine"`
	Author    authorDTO `json:"author"`
}

func toAvatarDTO(d model.AvatarDirective) avatarDTO {
	switch v := d.(type) {
	case model.RemoteAvatar:
		return avatarDTO{Kind: v.Kind(), URI: v.URI}
	case model.BundledVectorAvatar:
		idx := v.Index
		return avatarDTO{Kind: v.Kind(), Index: &idx}
	case model.InitialsAvatar:
		return avatarDTO{Kind: v.Kind(), Letter: v.Letter}
	default:
		return avatarDTO{Kind: model.InitialsAvatar{}.Kind()}
	}
}

func toAuthorDTO(p model.Profile, avatar model.AvatarDirective) authorDTO {
	return authorDTO{
		UserID:      p.UserID,
		DisplayName: p.DisplayName,
		Placeholder: p.Placeholder,
		Avatar:      toAvatarDTO(avatar),
	}
}

func snapshotFrame(items []usecase.RenderedItem, historyErr error) snapshotMsg {
	f := snapshotMsg{Type: frameSnapshot, Items: make([]itemDTO, 0, len(items))}
	if historyErr != nil {
		f.HistoryError = historyErr.Error()
	}
	for _, it := range items {
		dto := itemDTO{
			MessageID: it.MessageID,
			LocalID:   it.LocalID,
			SenderID:  it.SenderID,
			Text:      it.Text,
			CreatedAt: it.CreatedAt,
			Status:    string(it.Status),
			Mine:      it.Mine,
			Author:    toAuthorDTO(it.Author, it.Avatar),
		}
		if it.Err != nil {
			dto.Error = it.Err.Error()
		}
		f.Items = append(f.Items, dto)
	}
	return f
}

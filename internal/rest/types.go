// ABOUTME: Backend resource types for the marketplace chat REST surface.
// ABOUTME: Conversations carry participants, item context, and per-role read state.

package rest

import (
	"errors"
	"time"
)

var (
	// ErrOwnItem rejects starting a conversation about the viewer's own item.
	ErrOwnItem = errors.New("cannot start a conversation about your own item")
	// ErrItemUnavailable rejects starting a conversation about a sold item.
	ErrItemUnavailable = errors.New("item is no longer available")
)

// User is the authenticated marketplace account.
type User struct {
	ID    string `json:"_id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Participant is one side of a conversation.
type Participant struct {
	ID          string `json:"_id"`
	Name        string `json:"name"`
	PhoneNumber string `json:"phoneNumber"`
}

// Item is the listing a conversation is about.
type Item struct {
	ID          string      `json:"_id"`
	Title       string      `json:"title"`
	Price       float64     `json:"price"`
	IsAvailable bool        `json:"isAvailable"`
	Images      []string    `json:"images"`
	Seller      Participant `json:"user"`
}

// ReadStatus holds each role's last-read timestamp.
type ReadStatus struct {
	Buyer  time.Time `json:"buyer"`
	Seller time.Time `json:"seller"`
}

// Conversation is a buyer/seller thread about one item.
type Conversation struct {
	ID            string      `json:"_id"`
	Item          Item        `json:"itemId"`
	Buyer         Participant `json:"buyerId"`
	Seller        Participant `json:"sellerId"`
	LastMessage   string      `json:"lastMessage"`
	LastMessageAt time.Time   `json:"lastMessageAt"`
	ReadStatus    ReadStatus  `json:"readStatus"`
}

// IsSeller reports whether the viewer is the selling side.
func (c Conversation) IsSeller(viewerID string) bool {
	return c.Seller.ID == viewerID
}

// Other returns the participant the viewer is talking to.
func (c Conversation) Other(viewerID string) Participant {
	if c.IsSeller(viewerID) {
		return c.Buyer
	}
	return c.Seller
}

// Role names the viewer's side of the conversation.
func (c Conversation) Role(viewerID string) string {
	if c.IsSeller(viewerID) {
		return "seller"
	}
	return "buyer"
}

// ViewerLastReadAt returns the viewer's last-read timestamp for unread
// computation: unread iff LastMessageAt is after this.
func (c Conversation) ViewerLastReadAt(viewerID string) time.Time {
	if c.IsSeller(viewerID) {
		return c.ReadStatus.Seller
	}
	return c.ReadStatus.Buyer
}

// CanStartConversation checks the client-side preconditions before asking
// the backend to open a thread about an item.
func CanStartConversation(item Item, viewerID string) error {
	if item.Seller.ID == viewerID {
		return ErrOwnItem
	}
	if !item.IsAvailable {
		return ErrItemUnavailable
	}
	return nil
}

package tui

import (
	"github.com/p-blackswan/verichat/internal/page"
	"github.com/p-blackswan/verichat/internal/runtime"
)

// Actions are the page operations the terminal drives. They return at once;
// results come back as a new ViewState.
type Actions interface {
	Select(partnerID string)
	Type(content string)
	Submit(content string)
	DismissNotice(id int)
	Retry(r page.Retry)
}

// LoopActions forwards actions to a Controller on its loop goroutine.
type LoopActions struct {
	loop *runtime.Loop
	ctrl *page.Controller
}

// NewLoopActions creates LoopActions for ctrl.
func NewLoopActions(loop *runtime.Loop, ctrl *page.Controller) *LoopActions {
	return &LoopActions{loop: loop, ctrl: ctrl}
}

func (a *LoopActions) Select(partnerID string) {
	a.loop.Post(func() { _ = a.ctrl.Select(partnerID) })
}

func (a *LoopActions) Type(content string) {
	a.loop.Post(func() { a.ctrl.Type(content) })
}

func (a *LoopActions) Submit(content string) {
	a.loop.Post(func() { _ = a.ctrl.Submit(content) })
}

func (a *LoopActions) DismissNotice(id int) {
	a.loop.Post(func() { a.ctrl.DismissNotice(id) })
}

func (a *LoopActions) Retry(r page.Retry) {
	a.loop.Post(func() {
		switch r {
		case page.RetryContacts:
			a.ctrl.RetryContacts()
		case page.RetryConversation:
			a.ctrl.RetryConversation()
		}
	})
}

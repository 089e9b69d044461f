package ticket

import "time"

type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "inprogress"
	StatusClosed     Status = "closed"
)

type Ticket struct {
	ID               string     `gorm:"column:id;primaryKey" json:"id"`
	LabID            string     `gorm:"column:lab_id;index;not null" json:"lab_id"`
	Title            string     `gorm:"column:title;not null" json:"title"`
	Description      string     `gorm:"column:description;type:text" json:"description"`
	Status           Status     `gorm:"column:status;not null;default:open;index" json:"status"`
	Attachment       string     `gorm:"column:attachment" json:"attachment,omitempty"`
	Assignee         string     `gorm:"column:assignee" json:"assignee,omitempty"`
	RepresenterName  string     `gorm:"column:representer_name;not null" json:"representer_name"`
	RepresenterEmail string     `gorm:"column:representer_email;not null" json:"representer_email"`
	RepresenterPhone string     `gorm:"column:representer_phone;not null" json:"representer_phone"`
	ETA              *time.Time `gorm:"column:eta;type:date" json:"eta,omitempty"`
	CreatedAt        time.Time  `gorm:"column:created_at" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"column:updated_at" json:"updated_at"`
}

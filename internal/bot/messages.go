package bot

import (
	"fmt"
	"strings"

	"github.com/ca-study-space/cssbot/internal/draft"
	"github.com/ca-study-space/cssbot/internal/notify"
	"github.com/ca-study-space/cssbot/internal/platform"
	"github.com/ca-study-space/cssbot/pkg/protocol"
)

const (
	colorBrand  = 0x2B6CB0
	colorPurple = 0x805AD5
)

// EntryMessage is the persistent study-request prompt.
func EntryMessage() platform.Message {
	return platform.Message{
		Title: "📘 Study Group Requests",
		Body: "Click the button below to open a study group ticket!\n\n" +
			"- Select the exact number of members\n" +
			"- Include yourself in the group\n" +
			"- All fields must be filled",
		Color: colorBrand,
		Buttons: []platform.Button{
			{Label: "📘 Open a ticket!", Action: notify.ActionStudyOpen, Style: platform.StylePrimary},
		},
	}
}

// WelcomeMessage greets new members.
func WelcomeMessage() platform.Message {
	return platform.Message{
		Title: "👋 Welcome to CA Study Space",
		Body: "This is an unofficial, invite-only study space for CA students.\n" +
			"The goal is simple: **clear thinking, disciplined discussion, and shared effort.**\n\n" +
			"This server is **not a replacement** for classes or self-study.\n" +
			"It exists to ask precise doubts, discuss concepts, and learn from each other's mistakes.\n\n" +
			"Please take a moment to read the **rules-and-culture** channel.\n\n" +
			"Keep your doubts sharp, your discussions respectful,\n" +
			"and your chai strong.",
		Color: colorBrand,
	}
}

// RulesMessage states the house rules.
func RulesMessage() platform.Message {
	return platform.Message{
		Title: "📜 Rules & Culture",
		Body: "**1. Ask precise doubts**\n" +
			"One concept at a time. Show what you've tried. Panic posts help no one.\n\n" +
			"**2. Use the forum properly**\n" +
			"Conceptual and subject-level doubts go in the forum. Quick clarifications go in the quick-clarification channel.\n\n" +
			"**3. No shortcuts, no selling**\n" +
			"No course promotion, piracy, or exam hacks. We do the work properly here.\n\n" +
			"**4. Respect time and effort**\n" +
			"Help when you can. Disagree calmly. Correct without condescension.\n\n" +
			"**5. Keep it academic**\n" +
			"No politics, drama, or negativity spirals. Chill chats stay in the chai-break channel.\n\n" +
			"**6. Notes are guidance, not substitutes**\n" +
			"Shared resources support study. They don't replace it.\n\n" +
			"**7. Quiet but firm moderation**\n" +
			"Repeated noise or misinformation may lead to removal.\n\n" +
			"This space is meant to be calm, focused, and supportive.\n" +
			"We already have enough panic in our CA journey. Let's not add to it.",
		Color: colorPurple,
	}
}

// IssueReporterMessage is the persistent issue-report prompt.
func IssueReporterMessage() platform.Message {
	return platform.Message{
		Title: "🚨 Report an Issue",
		Body: "If you're experiencing harassment, toxicity, or have any concerns, " +
			"please report them here.\n\n" +
			"**Your report will be:**\n" +
			"✅ Reviewed by moderators privately\n" +
			"✅ Handled confidentially\n" +
			"✅ Escalated to admins if needed\n\n" +
			"You can choose to report anonymously.",
		Color:  platform.ColorRed,
		Footer: "We take all reports seriously • " + notify.Footer,
		Buttons: []platform.Button{
			{Label: "🚨 Report an Issue", Action: notify.ActionIssueOpen, Style: platform.StyleDanger},
		},
	}
}

const studyInstructions = "*Open a study group ticket*\n" +
	"1. `/studygroup start <group name>`\n" +
	"2. `/studygroup level <Final|Inter|Foundation>`\n" +
	"3. `/studygroup count <2-5>`\n" +
	"4. `/studygroup members @you @friend ...` (include yourself)\n" +
	"5. `/studygroup submit`\n\n" +
	"`/studygroup show` shows your draft, `/studygroup discard` drops it. " +
	"Drafts expire after 5 minutes without changes."

const issueInstructions = "*Report an issue*\n" +
	"1. `/report category <Harassment|Toxic Behavior|Inappropriate Content|Spam|Rule Violation|Suggestion|Other>`\n" +
	"2. optional: `/report priority <Low|Medium|High|Critical>`, `/report anonymous`, `/report user @someone`\n" +
	"3. `/report submit <what happened>` (up to 1000 characters)\n\n" +
	"`/report show` shows your draft, `/report discard` drops it. " +
	"Drafts expire after 5 minutes without changes."

func dash(s string) string {
	if s == "" {
		return "—"
	}
	return s
}

func studyDraftMessage(d draft.Study) platform.Message {
	count := ""
	if d.MemberCount > 0 {
		count = fmt.Sprint(d.MemberCount)
	}
	members := make([]string, len(d.Members))
	for i, m := range d.Members {
		members[i] = platform.Mention(m)
	}
	msg := platform.Message{
		Title: "Study Group Request",
		Body:  "**Group Name:** " + d.GroupName,
		Color: colorBrand,
		Fields: []platform.Field{
			{Name: "Members Required", Value: dash(count), Inline: true},
			{Name: "Level", Value: dash(d.Level), Inline: true},
			{Name: "Members Selected", Value: fmt.Sprint(len(d.Members)), Inline: true},
		},
	}
	if len(members) > 0 {
		msg.Fields = append(msg.Fields, platform.Field{Name: "Members", Value: strings.Join(members, ", ")})
	}
	if missing := d.Missing(); len(missing) > 0 {
		msg.Footer = "Still needed: " + strings.Join(missing, ", ")
	} else {
		msg.Footer = "Ready: /studygroup submit"
	}
	return msg
}

func issueDraftMessage(d draft.Issue) platform.Message {
	anon := "No"
	if d.Anonymous {
		anon = "Yes"
	}
	reported := "—"
	if d.ReportedUser != "" {
		reported = platform.Mention(d.ReportedUser)
	}
	msg := platform.Message{
		Title: "Report an Issue",
		Body:  "Please select the options below before submitting.",
		Color: platform.ColorRed,
		Fields: []platform.Field{
			{Name: "Category", Value: dash(d.Category), Inline: true},
			{Name: "Priority", Value: d.Priority, Inline: true},
			{Name: "Anonymous", Value: anon, Inline: true},
			{Name: "Reported User", Value: reported},
		},
		Footer: "Submit with /report submit <description>",
	}
	return msg
}

func ticketCreatedMessage(t *protocol.Ticket) platform.Message {
	return platform.Message{
		Title: "✅ Ticket Created",
		Body:  fmt.Sprintf("Ticket **#%s** created successfully.", t.ID),
		Color: platform.ColorGreen,
	}
}

func issueCreatedMessage(i *protocol.Issue) platform.Message {
	body := fmt.Sprintf("Your report **%s** has been submitted. Moderators will review it shortly.", i.ID)
	if i.ThreadRef != "" && !i.Anonymous {
		body += "\nDiscussion: <#" + i.ThreadRef + ">"
	}
	return platform.Message{
		Title: "✅ Issue Reported",
		Body:  body,
		Color: platform.ColorGreen,
	}
}

// withIntro puts text above the message body.
func withIntro(text string, msg platform.Message) platform.Message {
	msg.Body = text + "\n\n" + msg.Body
	return msg
}

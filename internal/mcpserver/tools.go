package mcpserver

import (
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	agentrepo "github.com/dispatchd/dispatchd/internal/agent/repository"
	"github.com/dispatchd/dispatchd/internal/common/logger"
	"github.com/dispatchd/dispatchd/internal/queue"
)

func registerTools(s *server.MCPServer, q *queue.Queue, agents agentrepo.AgentRepository, log *logger.Logger) {
	h := &handlers{queue: q, agents: agents, log: log}

	s.AddTool(
		mcp.NewTool("register_agent",
			mcp.WithDescription("Register this agent with the dispatch server. Call once on startup; re-registering with the same id refreshes the record."),
			mcp.WithString("agent_id",
				mcp.Description("Stable agent id. Auto-assigned when omitted."),
			),
			mcp.WithString("display_name",
				mcp.Description("Human-readable name, unique across agents."),
			),
			mcp.WithArray("capabilities",
				mcp.Description("Capability tags this agent advertises, e.g. code-writing."),
			),
			mcp.WithString("workspace_repo_id",
				mcp.Description("Repository identity the agent operates against, e.g. org/repo."),
			),
			mcp.WithString("workspace_branch",
				mcp.Description("Checked-out branch (optional)."),
			),
			mcp.WithString("workspace_path",
				mcp.Description("Local checkout path (optional)."),
			),
			mcp.WithString("source",
				mcp.Description("How the agent connects: CLI or IDE."),
			),
		),
		h.registerAgent,
	)

	s.AddTool(
		mcp.NewTool("wait_for_prompt",
			mcp.WithDescription("Long-poll for the next task. Blocks until an eligible task or control signal arrives, or the timeout elapses. Returns {status: TIMEOUT} on timeout; poll again."),
			mcp.WithString("agent_id",
				mcp.Required(),
				mcp.Description("The registered agent id."),
			),
			mcp.WithNumber("timeout",
				mcp.Description("Maximum seconds to wait (1-300, default 290)."),
			),
		),
		h.waitForPrompt,
	)

	s.AddTool(
		mcp.NewTool("ack_task",
			mcp.WithDescription("Confirm receipt of a task delivered by wait_for_prompt. Must be called before working on it."),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("The delivered task id.")),
			mcp.WithString("agent_id", mcp.Required(), mcp.Description("The agent the task was delivered to.")),
		),
		h.ackTask,
	)

	s.AddTool(
		mcp.NewTool("send_response",
			mcp.WithDescription("Report a task status transition with an optional result payload. Terminal statuses are COMPLETED, FAILED, CANCELLED."),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("The task id.")),
			mcp.WithString("status",
				mcp.Required(),
				mcp.Description("New status: IN_PROGRESS, IN_REVIEW, APPROVED, COMPLETED, FAILED or BLOCKED."),
			),
			mcp.WithString("message", mcp.Description("Human-readable result summary.")),
			mcp.WithArray("artifacts", mcp.Description("Paths of files produced or changed.")),
			mcp.WithString("diff", mcp.Description("Unified diff of the changes (optional).")),
			mcp.WithString("blocked_reason", mcp.Description("Required when status is BLOCKED.")),
		),
		h.sendResponse,
	)

	s.AddTool(
		mcp.NewTool("update_progress",
			mcp.WithDescription("Report progress on the current task. Also refreshes the agent heartbeat."),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("The task id.")),
			mcp.WithString("agent_id", mcp.Required(), mcp.Description("The working agent id.")),
			mcp.WithString("message", mcp.Required(), mcp.Description("What is happening right now.")),
			mcp.WithString("phase", mcp.Description("Coarse phase label, e.g. build, test.")),
			mcp.WithNumber("percentage", mcp.Description("Estimated completion 0-100.")),
		),
		h.updateProgress,
	)

	s.AddTool(
		mcp.NewTool("assign_task",
			mcp.WithDescription("Create a task for another agent (delegation) or for the general pool."),
			mcp.WithString("prompt", mcp.Required(), mcp.Description("Full task instructions.")),
			mcp.WithString("workspace_id", mcp.Description("Repository the task must run in, e.g. org/repo.")),
			mcp.WithString("target_agent_id", mcp.Description("Specific agent id or @display-name to route to.")),
			mcp.WithArray("required_capabilities", mcp.Description("Capability tags the assignee must have.")),
			mcp.WithArray("dependencies", mcp.Description("Task ids that must complete first.")),
			mcp.WithString("priority", mcp.Description("normal, high or critical (default normal).")),
			mcp.WithObject("context", mcp.Description("Arbitrary key/value context handed to the assignee.")),
			mcp.WithString("source_agent_id", mcp.Description("The delegating agent's id, when an agent creates this task.")),
		),
		h.assignTask,
	)

	s.AddTool(
		mcp.NewTool("wait_for_task",
			mcp.WithDescription("Block until a task reaches a terminal status or the timeout elapses. Used to coordinate on dependencies."),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("The task id to watch.")),
			mcp.WithNumber("timeout", mcp.Description("Maximum seconds to wait (1-300, default 290).")),
		),
		h.waitForTask,
	)

	s.AddTool(
		mcp.NewTool("block_task",
			mcp.WithDescription("Mark the current task BLOCKED pending a human answer. Use answer_task to unblock."),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("The task id.")),
			mcp.WithString("reason",
				mcp.Required(),
				mcp.Description("Why the task is blocked: clarification, dependency or decision."),
			),
			mcp.WithString("question", mcp.Required(), mcp.Description("The concrete question for the producer.")),
			mcp.WithString("summary", mcp.Description("Short summary of the situation.")),
			mcp.WithString("notes", mcp.Description("Additional context (optional).")),
			mcp.WithArray("files", mcp.Description("Files relevant to the question.")),
		),
		h.blockTask,
	)

	s.AddTool(
		mcp.NewTool("answer_task",
			mcp.WithDescription("Answer a blocked task's question and return it to the queue."),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("The blocked task id.")),
			mcp.WithString("answer", mcp.Required(), mcp.Description("The producer's answer.")),
		),
		h.answerTask,
	)

	s.AddTool(
		mcp.NewTool("get_task_context",
			mcp.WithDescription("Fetch a task's prompt, status, message log and dependency outputs."),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("The task id.")),
		),
		h.getTaskContext,
	)

	s.AddTool(
		mcp.NewTool("list_agents",
			mcp.WithDescription("List registered agents with their live status (OFFLINE, WAITING or PROCESSING)."),
			mcp.WithString("capability", mcp.Description("Only list agents advertising this capability.")),
		),
		h.listAgents,
	)

	s.AddTool(
		mcp.NewTool("admin_update_agent",
			mcp.WithDescription("Edit a registered agent's display name, capabilities or color."),
			mcp.WithString("agent_id", mcp.Required(), mcp.Description("The agent id to edit.")),
			mcp.WithString("display_name", mcp.Description("New display name.")),
			mcp.WithArray("capabilities", mcp.Description("Replacement capability tags.")),
			mcp.WithString("color", mcp.Description("Dashboard color.")),
		),
		h.adminUpdateAgent,
	)

	s.AddTool(
		mcp.NewTool("admin_evict_agent",
			mcp.WithDescription("Ask an agent's supervisor to restart or kill the agent process. Delivered through the agent's long-poll."),
			mcp.WithString("agent_id", mcp.Required(), mcp.Description("The agent id to evict.")),
			mcp.WithString("action",
				mcp.Required(),
				mcp.Description("RESTART or KILL."),
			),
			mcp.WithString("reason", mcp.Description("Why the agent is being evicted.")),
		),
		h.adminEvictAgent,
	)

	s.AddTool(
		mcp.NewTool("submit_review",
			mcp.WithDescription("Record a review verdict on a task in IN_REVIEW. Rejection returns the task to the agent with the comments."),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("The task id under review.")),
			mcp.WithBoolean("approved", mcp.Required(), mcp.Description("Whether the work is approved.")),
			mcp.WithString("reviewer", mcp.Description("Who reviewed.")),
			mcp.WithArray("comments",
				mcp.Description("Review comments, each {content, file_path?, line_number?, thread_id?}."),
			),
		),
		h.submitReview,
	)

	s.AddTool(
		mcp.NewTool("broadcast_system_prompt",
			mcp.WithDescription("Deliver a system prompt to every registered agent through their long-polls."),
			mcp.WithString("prompt", mcp.Required(), mcp.Description("The system prompt text.")),
		),
		h.broadcastSystemPrompt,
	)

	s.AddTool(
		mcp.NewTool("get_review_comments",
			mcp.WithDescription("Fetch review comments on a task. With unread_only, comments are handed out once."),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("The task id.")),
			mcp.WithBoolean("unread_only", mcp.Description("Only comments not yet fetched.")),
		),
		h.getReviewComments,
	)

	s.AddTool(
		mcp.NewTool("resolve_review_comment",
			mcp.WithDescription("Mark a review comment thread resolved."),
			mcp.WithString("comment_id", mcp.Required(), mcp.Description("The root or reply comment id.")),
		),
		h.resolveReviewComment,
	)
}

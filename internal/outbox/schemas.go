package outbox

const participationJoinedSchema = `{
  "type": "object",
  "title": "ParticipationJoined",
  "properties": {
    "participation_id": {"type": "string"},
    "challenge_id": {"type": "string"},
    "user_id": {"type": "string"},
    "joined_at": {"type": "string", "format": "date-time"}
  },
  "required": ["participation_id", "challenge_id", "user_id", "joined_at"],
  "additionalProperties": false
}`

const activityRecordedSchema = `{
  "type": "object",
  "title": "ActivityRecorded",
  "properties": {
    "activity_id": {"type": "string"},
    "participation_id": {"type": "string"},
    "challenge_id": {"type": "string"},
    "user_id": {"type": "string"},
    "activity_type": {"type": "string", "enum": ["gym_visit", "healthy_meal", "clinic_checkin", "store_purchase"]},
    "points": {"type": "integer", "minimum": 1},
    "total_score": {"type": "integer", "minimum": 0},
    "recorded_at": {"type": "string", "format": "date-time"}
  },
  "required": ["activity_id", "participation_id", "challenge_id", "user_id", "activity_type", "points", "total_score", "recorded_at"],
  "additionalProperties": false
}`

const participationCompletedSchema = `{
  "type": "object",
  "title": "ParticipationCompleted",
  "properties": {
    "participation_id": {"type": "string"},
    "challenge_id": {"type": "string"},
    "user_id": {"type": "string"},
    "total_score": {"type": "integer"},
    "points_reward": {"type": "integer"},
    "completed_at": {"type": "string", "format": "date-time"}
  },
  "required": ["participation_id", "challenge_id", "user_id", "total_score", "points_reward", "completed_at"],
  "additionalProperties": false
}`
